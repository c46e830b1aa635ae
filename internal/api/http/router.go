package http

import (
	"github.com/gin-gonic/gin"

	"github.com/Tatu1984/netwatch-sub000/internal/api/http/handler"
	"github.com/Tatu1984/netwatch-sub000/internal/api/http/middleware"
	"github.com/Tatu1984/netwatch-sub000/internal/api/ws"
	"github.com/Tatu1984/netwatch-sub000/internal/auth"
	"github.com/Tatu1984/netwatch-sub000/internal/broker"
)

type Config struct {
	Port uint
}

type Services struct {
	Broker    *broker.Broker
	WSHandler *ws.Handler
	JWT       auth.Config
}

func SetupRoute(engine *gin.Engine, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler()
	engine.GET("/health", healthHandler.Check)

	authHandler := handler.NewAuthHandler(srvs.JWT)
	engine.POST("/api/auth/login", authHandler.Login)

	engine.GET("/ws/agent", srvs.WSHandler.HandleAgent)
	engine.GET("/ws/console", srvs.WSHandler.HandleConsole)

	machinesHandler := handler.NewMachinesHandler(srvs.Broker)
	api := engine.Group("/api", middleware.JWTAuth(srvs.JWT.Secret))
	api.GET("/machines", machinesHandler.List)
}
