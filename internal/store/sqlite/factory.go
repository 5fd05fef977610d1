package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
)

// NewStores opens the embedded sqlite database at path, runs migrations,
// and wires every store.Stores field to a sqlite-backed implementation.
func NewStores(path string) (*store.Stores, *sql.DB, error) {
	db, err := Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite stores: %w", err)
	}
	return &store.Stores{
		Agents:   NewAgentStore(db),
		Sessions: NewSessionStore(db),
		Council:  NewCouncilStore(db),
		AlgoChat: NewAlgoChatStore(db),
		Workflow: NewWorkflowStore(db),
		Schedule: NewScheduleStore(db),
		PSK:      NewPSKStore(db),
		Health:   NewHealthStore(db),
		Notify:   NewNotifyStore(db),
		Credit:   NewCreditStore(db),
		Dedup:    NewDedupPersistence(db),
		Webhooks: NewWebhookStore(db),
	}, db, nil
}
