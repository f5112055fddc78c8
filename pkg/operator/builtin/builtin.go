// Package builtin provides a handful of example operators used by tests and
// the run command's demo path. They are example collaborators, not part of
// the core operator contract.
package builtin

import (
	"github.com/Siddhant-K-code/distillflow/pkg/operator"
	"github.com/Siddhant-K-code/distillflow/pkg/record"
	"github.com/Siddhant-K-code/distillflow/pkg/runctx"
)

// Map returns an item operator that replaces each record with fn's result.
// fn receives and returns unboxed records; it must not touch record.IndexKey.
func Map(fn func(record.Record) record.Record) operator.ItemOperator {
	return operator.ItemFunc(func(ctx *runctx.Context, item record.Record) ([]record.Record, error) {
		return []record.Record{fn(item)}, nil
	})
}

// Filter returns a batch operator that keeps only the records for which
// keep returns true. Because it can shorten the batch, a node running it
// (through InvokeTagged) fails on any batch in which a record is dropped.
func Filter(keep func(record.Record) bool) operator.BatchOperator {
	return operator.Func(func(ctx *runctx.Context, items []record.Record) ([]record.Record, error) {
		out := make([]record.Record, 0, len(items))
		for _, it := range items {
			if keep(it) {
				out = append(out, it)
			}
		}
		return out, nil
	})
}

// Explode returns an item operator that replaces each record with the list
// fn produces from it, realizing a 1:N node.
func Explode(fn func(record.Record) []record.Record) operator.ItemOperator {
	return operator.ItemFunc(func(ctx *runctx.Context, item record.Record) ([]record.Record, error) {
		return fn(item), nil
	})
}
