package fed

// Rank is the address of a process within one transport group. Rank 0 is the
// group master. A process that bridges two groups holds a different rank in
// each.
type Rank int

// LogicalID is the stable identity of a client. It never changes when the
// client is moved to another rank or behind another scheduler.
type LogicalID int64
