package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Métricas Prometheus de la capa de federación. Viven en un package propio
// para evitar ciclos de import entre los packages de federación y el HTTP.

var (
	DeliveryOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "federation_delivery_outcomes_total",
		Help: "Resultados de intentos de delivery (delivered|retried|abandoned)",
	}, []string{"outcome"})

	VerificationFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "federation_verification_failures_total",
		Help: "Rechazos de firma entrante por motivo",
	}, []string{"reason"})

	KeyCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "federation_key_cache_hits_total",
		Help: "Hits del cache de claves públicas remotas",
	})

	KeyCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "federation_key_cache_misses_total",
		Help: "Misses del cache de claves públicas remotas",
	})

	RemoteActorFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "federation_remote_actor_fetches_total",
		Help: "Fetches de documentos de actor remotos (ok|error)",
	}, []string{"result"})

	DeliveryQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "federation_delivery_inflight",
		Help: "Tareas de delivery en vuelo en este nodo",
	})
)

// RegisterFederation registra las métricas de federación en el registry dado
// (o el default si es nil).
func RegisterFederation(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{
		DeliveryOutcomes,
		VerificationFailures,
		KeyCacheHits,
		KeyCacheMisses,
		RemoteActorFetches,
		DeliveryQueueDepth,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
