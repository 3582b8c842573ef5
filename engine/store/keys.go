package store

// Fast-store key layout. Every runtime key embeds the instance ID so
// instance cleanup can sweep process:{id}:* in one pass.

// TokensKey holds the ordered token list for an instance.
func TokensKey(instanceID string) string { return "process:" + instanceID + ":tokens" }

// StateKey holds an optional instance-level state snapshot.
func StateKey(instanceID string) string { return "process:" + instanceID + ":state" }

// VarsKey holds the variable cache hash, fields keyed by VarField.
func VarsKey(instanceID string) string { return "process:" + instanceID + ":vars" }

// InstancePattern matches every process:{id}:* key for cleanup.
func InstancePattern(instanceID string) string { return "process:" + instanceID + ":*" }

// LockKey is the per-instance mutation mutex.
func LockKey(instanceID string) string { return "lock:process:" + instanceID }

// TransactionKey holds the instance's transaction context.
func TransactionKey(instanceID string) string { return "process:" + instanceID + ":transaction" }

// CompensationKey holds the ordered compensation handler registry.
func CompensationKey(instanceID string) string { return "compensation:" + instanceID }

// TimerMetadataKey mirrors a scheduled timer job's descriptor so a fresh
// scheduler can rehydrate jobs on startup.
func TimerMetadataKey(definitionID, nodeID string) string {
	return "pythmata:timer:" + definitionID + ":" + nodeID + ":metadata"
}

// TimerMetadataPattern matches every mirrored timer descriptor.
const TimerMetadataPattern = "pythmata:timer:*:metadata"

// MessageSubKey records that (instance, node) awaits a message.
func MessageSubKey(name, instanceID, nodeID string) string {
	return "subscription:message:" + name + ":" + instanceID + ":" + nodeID
}

// SignalSubKey records that (instance, node) awaits a signal.
func SignalSubKey(name, instanceID, nodeID string) string {
	return "subscription:signal:" + name + ":" + instanceID + ":" + nodeID
}

// MessageSubPattern matches every subscription for a message name.
func MessageSubPattern(name string) string { return "subscription:message:" + name + ":*" }

// SignalSubPattern matches every subscription for a signal name.
func SignalSubPattern(name string) string { return "subscription:signal:" + name + ":*" }

// SubscriptionPattern matches every subscription key for an instance.
func SubscriptionPattern(instanceID string) string {
	return "subscription:*:" + instanceID + ":*"
}

// VarField is the variable cache hash field: "{scope}:{name}", scope
// omitted for instance-level variables.
func VarField(scopeID, name string) string {
	if scopeID == "" {
		return name
	}
	return scopeID + ":" + name
}
