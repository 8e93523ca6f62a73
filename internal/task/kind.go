package task

// Kind identifies one class of work with one handler. The set is closed at
// start-up; kinds are immutable across a deployment.
type Kind string

const (
	KindChatMessage          Kind = "chat-message"
	KindConversationMetadata Kind = "conversation-metadata"
	KindCleanupExecutions    Kind = "cleanup-executions"
	KindCleanupResults       Kind = "cleanup-results"
	KindSendEmail            Kind = "send-email"
	KindDataExport           Kind = "data-export"
	KindHealthProbe          Kind = "health-probe"
)

// Logical queue names. Workers subscribe per queue with independent
// concurrency.
const (
	QueueDefault     = "default"
	QueueChat        = "chat"
	QueueMaintenance = "maintenance"
	QueueMail        = "mail"
	QueueExport      = "export"
)

func (k Kind) String() string { return string(k) }
