package network

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ptalk",
		Subsystem: "network",
		Name:      "dials_total",
		Help:      "Voice server dial attempts by result.",
	}, []string{"result"})

	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ptalk",
		Subsystem: "network",
		Name:      "frames_total",
		Help:      "Websocket frames by direction and kind.",
	}, []string{"direction", "kind"})
)
