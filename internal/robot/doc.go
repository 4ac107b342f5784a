// Package robot keeps the in-memory worker registry: robots grouped into
// named pools, their live job slots and heartbeats, per-robot circuit
// breakers, and the load-balancing selectors the dispatcher picks with.
//
// The registry is the only owner of robot state. Transport callbacks and
// the dispatch loops mutate it exclusively through its methods; critical
// sections are short and never perform I/O.
package robot
