package contracts

// Exchanges and queues shared by the services
const (
	// UserUpdatedExchange is the fanout exchange SyncUpdate is broadcast on
	UserUpdatedExchange = "user-updated-exchange"
	// BugUserUpdatedQueue is the bug service's replica of the user stream
	BugUserUpdatedQueue = "bug-user-updated-consumer"

	// LineBotExchange routes BotRequest to the bug service
	LineBotExchange = "line-bot-exchange"
	BugServiceQueue = "bug-service-queue"

	// LineBotReplyExchange routes BotReply back to the webhook service
	LineBotReplyExchange = "line-bot-reply-exchange"
	LineBotReplyQueue    = "line-bot-reply-queue"
)
