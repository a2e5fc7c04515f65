// Package verification decides whether a work item achieved its success
// criteria.
//
// A keyword Heuristic makes a first recommendation, and an oracle
// Eligibility call confirms or overrides it. The chosen path then runs:
//
//   - Perception: snapshot the screen or a window and have the oracle judge
//     it, escalating from the fast to the strong model.
//   - Data probe: run a one-off verify-<id> item through the stage pipeline
//     and judge its tool results, by CriteriaExpr or by an oracle analysis.
//
// An inconclusive path falls back to the other one when the item allows it.
// When neither reaches confidence, Verify returns an InconclusiveError.
package verification
