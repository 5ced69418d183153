package state

import (
	"errors"
	"io"

	"github.com/ShayCichocki/bildir/pkg/models"
)

var (
	// ErrNotFound is returned when a mutation targets a missing record.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when creating a record whose key is taken.
	ErrAlreadyExists = errors.New("already exists")
	// ErrOwnershipConflict is returned when assigning a session that
	// another orchestrator already owns.
	ErrOwnershipConflict = errors.New("session already owned by an orchestrator")
	// ErrNoPendingQuestion is returned when taking a pending question that
	// does not exist.
	ErrNoPendingQuestion = errors.New("no pending question")
)

// SessionDirectory resolves session metadata for the orchestration core.
type SessionDirectory interface {
	// GetSession returns nil, nil when the session does not exist.
	GetSession(name string) (*models.Session, error)
	// SetOwner assigns the session to an orchestrator, or unassigns it
	// when orchestratorID is empty. The relation is kept bidirectional.
	SetOwner(name, orchestratorID string) error
	WorkDir(name string) (string, error)
	SetConversationID(name, provider, conversationID string) error
}

// SessionStore handles session persistence.
type SessionStore interface {
	SessionDirectory
	CreateSession(s *models.Session) error
	EnsureSession(name, provider, workdir string) (*models.Session, error)
	UpdateSession(s *models.Session) error
	ListSessions() ([]models.Session, error)
	DeleteSession(name string) error
}

// HistoryStore is the append-only per-session message log.
type HistoryStore interface {
	AppendMessage(session string, m models.Message) error
	// RecentMessages returns the last limit messages, oldest first.
	RecentMessages(session string, limit int) ([]models.Message, error)
	CountMessages(session string) (int, error)
}

// OrchestratorStore handles orchestrator persistence.
type OrchestratorStore interface {
	CreateOrchestrator(o *models.Orchestrator) error
	GetOrchestrator(id string) (*models.Orchestrator, error)
	GetOrchestratorByName(name string) (*models.Orchestrator, error)
	ListOrchestrators() ([]models.Orchestrator, error)
	UpdateOrchestrator(o *models.Orchestrator) error
	AssignSessions(id string, names []string) error
	SetOrchestratorStatus(id string, status models.OrchestratorStatus) error
	// TransitionStatus changes the status only if it is currently from.
	TransitionStatus(id string, from, to models.OrchestratorStatus) (bool, error)
	// ActivateIfIdle moves an idle orchestrator to active and reports
	// whether it did.
	ActivateIfIdle(id string) (bool, error)
	SetOrchestratorConversationID(id, conversationID string) error
	SetPendingQuestion(id string, q models.PendingQuestion) error
	// TakePendingQuestion atomically returns and clears the pending question.
	TakePendingQuestion(id string) (*models.PendingQuestion, error)
	// RestorePendingQuestion puts q back unless a newer question is pending.
	RestorePendingQuestion(id string, q models.PendingQuestion) error
	// DeleteOrchestrator unassigns every managed session, then removes the record.
	DeleteOrchestrator(id string) error
}

// DecisionLog records applied decisions per orchestrator.
type DecisionLog interface {
	RecordDecision(rec *models.DecisionRecord) error
	ListDecisions(orchestratorID string, limit int) ([]models.DecisionRecord, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// Store composes every persistence concern behind one handle so the
// orchestration core never depends on the SQLite implementation.
type Store interface {
	io.Closer
	Migrator
	SessionStore
	HistoryStore
	OrchestratorStore
	DecisionLog
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store             = (*DB)(nil)
	_ SessionDirectory  = (*DB)(nil)
	_ HistoryStore      = (*DB)(nil)
	_ OrchestratorStore = (*DB)(nil)
	_ DecisionLog       = (*DB)(nil)
)
