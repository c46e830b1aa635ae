package dto

import "github.com/Tatu1984/netwatch-sub000/internal/protocol"

type HealthResponse struct {
	Status string `json:"status"`
}

type LoginRequest struct {
	OperatorID string `json:"operator_id" binding:"required"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

type MachineListResponse struct {
	Machines []protocol.MachineStatus `json:"machines"`
}
