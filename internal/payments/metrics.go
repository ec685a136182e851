package payments

import "github.com/prometheus/client_golang/prometheus"

var (
	paymentIntentsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "karroo",
		Subsystem: "payments",
		Name:      "intents_total",
		Help:      "Total payment intents created.",
	})

	paymentsSucceededTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "karroo",
		Subsystem: "payments",
		Name:      "succeeded_total",
		Help:      "Total successful payments applied from webhooks.",
	})
)

func init() {
	prometheus.MustRegister(paymentIntentsTotal, paymentsSucceededTotal)
}
