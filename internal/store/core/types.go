package core

import "time"

// Actor es una identidad federada (local o remota).
// El ID es la URI canónica del actor (ej. https://feed.example/users/alice).
type Actor struct {
	ID        string
	Username  string
	Domain    string
	Local     bool
	InboxURL  string
	CreatedAt time.Time
}

// LocalCredential guarda la credencial de una cuenta local (PHC argon2id).
type LocalCredential struct {
	ActorID     string
	PasswordPHC string
	CreatedAt   time.Time
}

type KeyStatus string

const (
	KeyActive   KeyStatus = "active"
	KeyRetiring KeyStatus = "retiring"
	KeyRetired  KeyStatus = "retired"
)

// ActorKey es un par de claves RSA de un actor.
// PrivateKeyEnc es el PEM PKCS8 cifrado con secretbox; las lecturas públicas
// lo dejan vacío. Sólo la lectura elevada (GetActorSigningKey) lo incluye.
type ActorKey struct {
	ActorID       string
	KeyID         string
	PublicKeyPEM  string
	PrivateKeyEnc string
	Status        KeyStatus
	NotBefore     time.Time
	CreatedAt     time.Time
	RetiredAt     *time.Time
	GraceSeconds  int64
}

// RetiringExpired indica si una clave retiring ya agotó su ventana de gracia.
// Con gracia cero la clave expira en el momento de la rotación.
func (k *ActorKey) RetiringExpired(now time.Time) bool {
	if k.Status != KeyRetiring || k.RetiredAt == nil {
		return false
	}
	if k.GraceSeconds <= 0 {
		return true
	}
	return now.After(k.RetiredAt.Add(time.Duration(k.GraceSeconds) * time.Second))
}

type TaskStatus string

const (
	TaskPending        TaskStatus = "pending"
	TaskInFlight       TaskStatus = "in_flight"
	TaskDelivered      TaskStatus = "delivered"
	TaskRetryScheduled TaskStatus = "retry_scheduled"
	TaskAbandoned      TaskStatus = "abandoned"
)

// DeliveryTask es un envío pendiente de una actividad firmada a un inbox remoto.
// Payload es inmutable una vez creada la task.
type DeliveryTask struct {
	ID            string
	ActorID       string
	TargetInbox   string
	Payload       []byte
	Attempt       int
	NextAttemptAt time.Time
	Status        TaskStatus
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PairKey identifica el par (actor, inbox destino) para el orden FIFO por par.
func (t *DeliveryTask) PairKey() string { return t.ActorID + "|" + t.TargetInbox }
