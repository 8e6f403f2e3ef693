// Package core holds the data model shared by every stage of the import
// pipeline.
//
// This package has no I/O and no dependencies on the other internal packages.
// The remote client, the ID mapping store, the error handler, the progress
// tracker and the orchestrator all speak in terms of the types defined here.
//
// # Records
//
// An [ImportRecord] is one business record produced by the upstream generator:
//
//	core.ImportRecord{
//	    Kind:       core.KindOrder,
//	    NaturalKey: "SO-2024-00017",
//	    Payload:    map[string]any{"customer_ref": "jane@example.com", "date_order": "2024-03-01"},
//	}
//
// Each record is consumed exactly once and yields one [Outcome]: Success,
// Duplicate or Failed. Failed outcomes carry a [Category] which decides
// whether the record may be retried.
//
// # Entity Registry
//
// A [Registry] describes every kind the pipeline knows about: the remote model
// it maps to, the remote field searched by natural key, the phase it runs in,
// and the foreign keys it must resolve before it can be created:
//
//	reg.Register(EntityDefinition{
//	    Kind:     KindOrder,
//	    Model:    "sale.order",
//	    KeyField: "client_order_ref",
//	    Phase:    2,
//	    Dependencies: []Dependency{
//	        {RefField: "customer_ref", Kind: KindCustomer, TargetField: "partner_id"},
//	    },
//	})
//
// Phases run strictly in ascending order. A dependency must always point at a
// kind from an earlier phase, which Register enforces.
//
// # Batch Results
//
// [BatchResult] is the typed value every batch function returns. The four
// counters always satisfy Processed == Successful + Failed + Duplicate.
package core
