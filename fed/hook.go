package fed

// HookPos defines the enum of possible hooking positions.
type HookPos struct {
	Name string
}

// HookPosQueuePut marks when a delivery enters a queue.
var HookPosQueuePut = &HookPos{Name: "Queue Put"}

// HookPosQueueGet marks when a delivery leaves a queue.
var HookPosQueueGet = &HookPos{Name: "Queue Get"}

// HookPosEnvelopeSend marks when an envelope is handed to a transport group.
var HookPosEnvelopeSend = &HookPos{Name: "Envelope Send"}

// HookPosEnvelopeRecv marks when an envelope arrives from a transport group.
var HookPosEnvelopeRecv = &HookPos{Name: "Envelope Recv"}

// HookCtx is the context that holds all the information about the site that a
// hook is triggered.
type HookCtx struct {
	Domain Hookable
	Pos    *HookPos
	Item   interface{}
	Detail interface{}
}

// Hookable defines an object that accepts Hooks.
type Hookable interface {
	// AcceptHook registers a hook.
	AcceptHook(hook Hook)
}

// Hook is a short piece of program that can be invoked by a hookable object.
type Hook interface {
	// Func determines what to do if hook is invoked.
	Func(ctx HookCtx)
}

// A HookableBase provides some utility function for other types that
// implement the Hookable interface. Hooks must be registered before the
// owning object starts moving deliveries.
type HookableBase struct {
	Hooks []Hook
}

// AcceptHook registers a hook.
func (h *HookableBase) AcceptHook(hook Hook) {
	h.Hooks = append(h.Hooks, hook)
}

// NumHooks returns the number of hooks registered.
func (h *HookableBase) NumHooks() int {
	return len(h.Hooks)
}

// InvokeHook triggers the registered Hooks.
func (h *HookableBase) InvokeHook(ctx HookCtx) {
	for _, hook := range h.Hooks {
		hook.Func(ctx)
	}
}
