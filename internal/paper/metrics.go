package paper

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ordersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zuilow",
		Subsystem: "ppt",
		Name:      "orders_total",
		Help:      "Order execution attempts by side and terminal status.",
	}, []string{"side", "status"})

	orderNotional = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zuilow",
		Subsystem: "ppt",
		Name:      "order_notional_total",
		Help:      "Filled notional value by side.",
	}, []string{"side"})

	commissionTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "zuilow",
		Subsystem: "ppt",
		Name:      "commission_total",
		Help:      "Commission charged across all accounts.",
	})
)

func observeOrder(side Side, status OrderStatus, notional, commission float64) {
	ordersTotal.WithLabelValues(string(side), string(status)).Inc()
	if status != OrderRejected {
		orderNotional.WithLabelValues(string(side)).Add(notional)
		commissionTotal.Add(commission)
	}
}
