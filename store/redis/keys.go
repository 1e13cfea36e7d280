package redis

// Store key layout. Entity keys are derived by the entities themselves
// (Action:<name>:<id>, Event:<name>:<id>); queue lists and event
// channels use their bare names.

const (
	// Registry tables.
	actionConfigurationTable     = "ActionConfigurationByActionName"
	extendableConfigurationTable = "ExtendableActionConfigurationByActionName"
	actionQueueNameTable         = "ActionQueueNameByActionName"
	actionQueueNameSet           = "ActionQueueNameSet"
	resourceStructureTable       = "ResourceStructureByResourceType"

	// SentinelKey guards the once-per-generation store verification.
	SentinelKey = "RedisConnectionVerified"
)

// Derived connection roles.
const (
	// RoleActionSubscriber holds the keyspace subscriptions used for
	// request/response correlation.
	RoleActionSubscriber = "ActionSubscriber"
)

// QueueHandlerRole names the dedicated blocking-pop connection for a
// queue.
func QueueHandlerRole(queue string) string { return queue + "Handler" }

// QueueSubscriberRole names the keyspace-notification connection for a
// queue.
func QueueSubscriberRole(queue string) string { return queue + "Subscriber" }
