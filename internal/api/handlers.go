package api

import (
	"sync"
)

// Handler registry variables store the registered implementations.
// These variables are protected by handlerMutex for thread-safe access.
var (
	eventBusHandler      EventBusHandler
	registryHandler      RegistryHandler
	healthHandler        HealthMonitorHandler
	balancerHandler      BalancerHandler
	gatewayHandler       GatewayHandler
	actionGatewayHandler ActionGatewayHandler
	snapshotHandler      SnapshotHandler
	incidentHandler      IncidentHandler
	playbookHandler      PlaybookRunner
	metaHandler          MetaHandler

	handlerMutex sync.RWMutex
)

// RegisterEventBus registers the event bus handler implementation.
// The bus must be registered before any other component starts, since
// every component publishes through it.
//
// Thread-safe; a subsequent registration replaces the previous handler.
func RegisterEventBus(h EventBusHandler) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	eventBusHandler = h
}

// GetEventBus returns the registered event bus handler, or nil if none
// has been registered yet.
func GetEventBus() EventBusHandler {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return eventBusHandler
}

// RegisterRegistry registers the service registry handler implementation.
// This handler is the authoritative source for service instances and the
// capability index.
func RegisterRegistry(h RegistryHandler) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	registryHandler = h
}

// GetRegistry returns the registered service registry handler.
func GetRegistry() RegistryHandler {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return registryHandler
}

// RegisterHealthMonitor registers the health monitor handler.
func RegisterHealthMonitor(h HealthMonitorHandler) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	healthHandler = h
}

// GetHealthMonitor returns the registered health monitor handler.
func GetHealthMonitor() HealthMonitorHandler {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return healthHandler
}

// RegisterBalancer registers the load balancer handler.
func RegisterBalancer(h BalancerHandler) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	balancerHandler = h
}

// GetBalancer returns the registered load balancer handler.
func GetBalancer() BalancerHandler {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return balancerHandler
}

// RegisterGateway registers the mesh gateway handler. The gateway is the
// only path for cross-service calls.
func RegisterGateway(h GatewayHandler) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	gatewayHandler = h
}

// GetGateway returns the registered mesh gateway handler.
func GetGateway() GatewayHandler {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return gatewayHandler
}

// RegisterActionGateway registers the action gateway handler. Every
// state-changing action in the system flows through this handler.
func RegisterActionGateway(h ActionGatewayHandler) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	actionGatewayHandler = h
}

// GetActionGateway returns the registered action gateway handler.
func GetActionGateway() ActionGatewayHandler {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return actionGatewayHandler
}

// RegisterSnapshotManager registers the snapshot manager handler.
func RegisterSnapshotManager(h SnapshotHandler) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	snapshotHandler = h
}

// GetSnapshotManager returns the registered snapshot manager handler.
func GetSnapshotManager() SnapshotHandler {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return snapshotHandler
}

// RegisterIncidentLog registers the incident log handler.
func RegisterIncidentLog(h IncidentHandler) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	incidentHandler = h
}

// GetIncidentLog returns the registered incident log handler.
func GetIncidentLog() IncidentHandler {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return incidentHandler
}

// RegisterPlaybookRunner registers the playbook executor handler.
func RegisterPlaybookRunner(h PlaybookRunner) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	playbookHandler = h
}

// GetPlaybookRunner returns the registered playbook executor handler.
func GetPlaybookRunner() PlaybookRunner {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return playbookHandler
}

// RegisterMeta registers the proactive intelligence handler.
func RegisterMeta(h MetaHandler) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	metaHandler = h
}

// GetMeta returns the registered proactive intelligence handler.
func GetMeta() MetaHandler {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return metaHandler
}

// ResetHandlers clears every registered handler. Test helper: lets each
// test start from a clean locator without ordering constraints.
func ResetHandlers() {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	eventBusHandler = nil
	registryHandler = nil
	healthHandler = nil
	balancerHandler = nil
	gatewayHandler = nil
	actionGatewayHandler = nil
	snapshotHandler = nil
	incidentHandler = nil
	playbookHandler = nil
	metaHandler = nil
}
