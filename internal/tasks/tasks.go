// Package tasks declares the built-in task kinds and binds them to their
// handlers at start-up. A kind registered twice is a fatal wiring bug:
// RegisterAll returns the registry's ErrDuplicateKind immediately.
package tasks

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/conduitapp/conduit/internal/chat"
	"github.com/conduitapp/conduit/internal/execution"
	"github.com/conduitapp/conduit/internal/queue"
	"github.com/conduitapp/conduit/internal/task"
	"github.com/conduitapp/conduit/pkg/logger"
	"github.com/conduitapp/conduit/pkg/mailer"
	"github.com/conduitapp/conduit/pkg/storage"
)

// Deps carries the collaborators the built-in handlers close over.
type Deps struct {
	Pipeline  *chat.Pipeline
	Metadata  *chat.MetadataRefresher
	Repo      *chat.Repository
	Execution *execution.Service
	Results   *queue.ResultStore
	Mailer    mailer.Sender
	Storage   storage.Storage
	Pool      *pgxpool.Pool
	Redis     redis.UniversalClient
	Log       *slog.Logger
}

// RegisterAll populates the registry with every built-in kind. Optional
// collaborators (mailer, storage) gate their kinds: without them the kind
// is simply not offered.
func RegisterAll(reg *task.Registry, deps Deps) error {
	if deps.Log == nil {
		deps.Log = logger.NewNope()
	}

	regs := []struct {
		kind task.Kind
		reg  task.Registration
		skip bool
	}{
		{
			kind: task.KindChatMessage,
			reg: task.Registration{
				Handler: deps.Pipeline.HandleChatMessage,
				Queue:   task.QueueChat,
				Params: []task.Param{
					{Name: "conversation_id", Required: true},
					{Name: "user_id", Required: true},
					{Name: "request_id", Required: true},
					{Name: "content", Required: true},
					{Name: "model"},
					{Name: "temperature"},
					{Name: "system_prompt_override"},
					{Name: "top_k"},
				},
			},
		},
		{
			kind: task.KindConversationMetadata,
			reg: task.Registration{
				Handler: deps.Metadata.HandleConversationMetadata,
				Queue:   task.QueueChat,
				Params: []task.Param{
					{Name: "conversation_id", Required: true},
				},
			},
		},
		{
			kind: task.KindCleanupExecutions,
			reg: task.Registration{
				Handler: cleanupExecutionsHandler(deps.Execution),
				Queue:   task.QueueMaintenance,
				Params: []task.Param{
					{Name: "days", Required: true, Default: 30},
				},
			},
		},
		{
			kind: task.KindCleanupResults,
			reg: task.Registration{
				Handler: cleanupResultsHandler(deps.Results),
				Queue:   task.QueueMaintenance,
			},
		},
		{
			kind: task.KindSendEmail,
			skip: deps.Mailer == nil,
			reg: task.Registration{
				Handler: sendEmailHandler(deps.Mailer),
				Queue:   task.QueueMail,
				Params: []task.Param{
					{Name: "to", Required: true},
					{Name: "subject", Required: true},
					{Name: "body", Required: true},
				},
			},
		},
		{
			kind: task.KindDataExport,
			skip: deps.Storage == nil,
			reg: task.Registration{
				Handler: dataExportHandler(deps.Repo, deps.Storage),
				Queue:   task.QueueExport,
				Params: []task.Param{
					{Name: "conversation_id", Required: true},
					{Name: "limit", Required: true, Default: 1000},
				},
			},
		},
		{
			kind: task.KindHealthProbe,
			reg: task.Registration{
				Handler: healthProbeHandler(deps.Pool, deps.Redis),
				Queue:   task.QueueDefault,
			},
		},
	}

	for _, entry := range regs {
		if entry.skip {
			deps.Log.Info("task kind disabled, collaborator missing",
				slog.String("kind", entry.kind.String()))
			continue
		}
		if err := reg.Register(entry.kind, entry.reg); err != nil {
			return err
		}
	}
	return nil
}
