// Package worker runs independent record conversions in parallel.
//
// Map converts a slice and returns outcomes in input order:
//
//	outcomes := worker.Map(ctx, rows, 4, func(ctx context.Context, i int, row ff.FlatRow) (map[string]any, error) {
//	    return facade.FromFlat(row)
//	})
//
// Pool converts a stream whose length is not known up front:
//
//	pool := worker.NewPool(convert, 4)
//	go func() {
//	    for rec := range records {
//	        pool.Submit(worker.Job[map[string]any]{Index: rec.Index, Input: rec.Resource})
//	    }
//	    pool.CloseInput()
//	}()
//	for res := range pool.Results() {
//	    // res.Index, res.Output, res.Err
//	}
package worker
