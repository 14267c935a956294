// Package widget turns an entity and its current state into a typed view
// model for dashboards.
//
// View is a closed set: one concrete type per entity.Kind, selected by an
// exhaustive switch in For. Adding a kind to entity.AllKinds without a
// matching case makes For return ErrUnknownKind, which the test suite
// catches. Render wraps For and degrades a failed widget to a
// FallbackView so one bad entity never takes the rest of a dashboard
// down with it.
package widget
