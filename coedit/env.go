package coedit

import (
	"os"
)

const (
	EnvApiUrl = "COEDIT_API_URL"
	EnvBusUrl = "COEDIT_WS_URL"
)

const (
	DefaultApiUrl = "http://localhost:8005"
	DefaultBusUrl = "ws://localhost:8005/ws/websocket"
)

type Endpoints struct {
	ApiUrl string
	BusUrl string
}

// from the environment, falling back to a local backend
func DefaultEndpoints() *Endpoints {
	endpoints := &Endpoints{
		ApiUrl: DefaultApiUrl,
		BusUrl: DefaultBusUrl,
	}
	if apiUrl := os.Getenv(EnvApiUrl); apiUrl != "" {
		endpoints.ApiUrl = apiUrl
	}
	if busUrl := os.Getenv(EnvBusUrl); busUrl != "" {
		endpoints.BusUrl = busUrl
	}
	return endpoints
}
