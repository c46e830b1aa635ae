package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Tatu1984/netwatch-sub000/internal/api/http/dto"
	"github.com/Tatu1984/netwatch-sub000/internal/broker"
)

// MachinesHandler exposes the broker's live view of connected agents.
type MachinesHandler struct {
	broker *broker.Broker
}

func NewMachinesHandler(b *broker.Broker) *MachinesHandler {
	return &MachinesHandler{broker: b}
}

func (h *MachinesHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, dto.MachineListResponse{Machines: h.broker.OnlineMachines()})
}
