// Package activity contiene el procesador por defecto de actividades ya
// verificadas. Es el punto de extensión de la aplicación: la capa de
// federación garantiza la identidad del emisor, no interpreta el contenido.
package activity

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/dropDatabas3/hellofed/internal/observability/logger"
)

// Sink registra las actividades verificadas. Las aplicaciones reales
// reemplazan esto por su propio Processor.
type Sink struct {
	log *zap.Logger
}

func NewSink() *Sink {
	return &Sink{log: logger.Named("activity")}
}

type envelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Process loguea la actividad recibida con la identidad verificada del emisor.
func (s *Sink) Process(ctx context.Context, senderURI, recipientID string, activity []byte) error {
	var env envelope
	_ = json.Unmarshal(activity, &env)
	s.log.Info("activity accepted",
		zap.String("sender", senderURI),
		zap.String("recipient", recipientID),
		zap.String("activity_id", env.ID),
		zap.String("activity_type", env.Type),
		zap.Int("bytes", len(activity)))
	return nil
}
