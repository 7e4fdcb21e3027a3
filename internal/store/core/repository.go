package core

import (
	"context"
	"time"
)

// Repository es el contrato de persistencia de la capa de federación.
//
// Regla de acceso: toda lectura de actor/clave es pública por defecto y nunca
// incluye material privado. La única vía para obtener la clave privada es
// GetActorSigningKey, un accessor separado y con nombre explícito que usan
// sólo KeyStore/Signer.
type Repository interface {
	Ping(ctx context.Context) error

	// Actores
	// CreateLocalActor inserta actor + credencial + primer par de claves en una
	// sola transacción: si la generación o el insert de claves falla, la cuenta
	// no queda creada.
	CreateLocalActor(ctx context.Context, a *Actor, cred *LocalCredential, key *ActorKey) error
	GetActorByUsername(ctx context.Context, username string) (*Actor, error)
	GetActorByURI(ctx context.Context, uri string) (*Actor, error)

	// Claves de firma
	GetActiveKey(ctx context.Context, actorID string) (*ActorKey, error)
	GetActorSigningKey(ctx context.Context, actorID string) (*ActorKey, error)
	ListPublicKeys(ctx context.Context, actorID string) ([]ActorKey, error)
	InsertKey(ctx context.Context, k *ActorKey) error
	// RotateKeys pasa la clave activa a retiring (con metadata de gracia) e
	// inserta la nueva activa, atómicamente.
	RotateKeys(ctx context.Context, actorID string, newKey *ActorKey, retiredAt time.Time, graceSeconds int64) error

	// Delivery tasks
	InsertTask(ctx context.Context, t *DeliveryTask) error
	GetTask(ctx context.Context, id string) (*DeliveryTask, error)
	// DueTasks devuelve tasks listas para ejecutar (pending, o retry_scheduled
	// con next_attempt_at vencido) en orden de creación. Sólo devuelve la
	// cabeza de cada cola (actor_id, target_inbox): mientras una task anterior
	// del par no termine, las siguientes no son elegibles.
	DueTasks(ctx context.Context, now time.Time, limit int) ([]DeliveryTask, error)
	// MarkInFlight leasea una task lista (pending o retry_scheduled vencida).
	// MarkDelivered y ScheduleRetry sólo transicionan desde in_flight, y Abandon
	// sólo desde estados no terminales: un write que llega tarde (ej. el worker
	// de una task ya cancelada) devuelve ErrConflict en vez de pisar el estado.
	MarkInFlight(ctx context.Context, id string) error
	MarkDelivered(ctx context.Context, id string) error
	ScheduleRetry(ctx context.Context, id string, attempt int, next time.Time, lastErr string) error
	Abandon(ctx context.Context, id string, lastErr string) error
	// RequeueInFlight devuelve a pending las tasks que quedaron in_flight
	// (recuperación tras crash). Retorna cuántas requeueó.
	RequeueInFlight(ctx context.Context) (int, error)
	ListTasks(ctx context.Context, status TaskStatus, limit int) ([]DeliveryTask, error)
}
