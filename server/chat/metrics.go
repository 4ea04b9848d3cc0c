package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "etherialsoul",
		Name:      "active_sessions",
		Help:      "Number of live chat sessions.",
	})

	messagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "etherialsoul",
		Name:      "user_messages_total",
		Help:      "User messages ingested.",
	})

	blocksEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "etherialsoul",
		Name:      "blocks_emitted_total",
		Help:      "AI blocks emitted to clients.",
	})

	interrupts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "etherialsoul",
		Name:      "interrupts_total",
		Help:      "Relevance-triggered mid-stream interrupts.",
	})

	regenerations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "etherialsoul",
		Name:      "regenerations_total",
		Help:      "Buffer regenerations performed.",
	})

	llmFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "etherialsoul",
		Name:      "llm_failures_total",
		Help:      "Failed buffer generations after retry exhaustion.",
	})
)
