// Package export downloads materialized summaries and seeds the Raw Store.
//
// # Export
//
// GET /v1/export writes one series, as returned by query.Querier, to JSON
// or CSV. It reads through the same path as dashboards, so a series that
// was never materialized is computed on demand and a series without data
// exports as an empty document.
//
// Query parameters:
//   - metric: metric type (required)
//   - source: source name (default: ALL)
//   - unit: day, week or month (default: day)
//   - from, to: YYYY-MM-DD, inclusive (optional)
//   - format: "json" or "csv" (default: json)
//
// Example:
//
//	curl "http://localhost:8080/v1/export?metric=StepCount&unit=week&format=csv" \
//	  -o steps.csv
//
// The JSON layout:
//
//	{
//	  "metadata": {
//	    "exported_at": "2024-03-01T09:00:00Z",
//	    "metric_type": "StepCount",
//	    "source": "ALL",
//	    "unit": "week",
//	    "record_count": 9,
//	    "format": "json",
//	    "version": "1.0"
//	  },
//	  "records": [
//	    {
//	      "cache_key": "StepCount|ALL|week|2024-01-01",
//	      "date": "2024-01-01T00:00:00Z",
//	      "stats": {"sum": 48211, "mean": 6887.3, "min": 2011, "max": 11020, "count": 7, "stddev": 2875.1},
//	      "import_id": "imp-0042"
//	    }
//	  ]
//	}
//
// CSV columns are date, metric_type, source, unit, sum, mean, min, max,
// count, stddev, variance and import_id. Variance is only filled for month
// rows.
//
// # Import
//
// POST /v1/import loads a JSON document of raw records as one import batch
// and notifies the refresh coordinator. It is a development aid; real
// imports are validated by the external pipeline, which only calls
// POST /v1/imports/{id}/completed.
//
//	curl -X POST "http://localhost:8080/v1/import" \
//	  -H "Content-Type: application/json" \
//	  -d '{"records":[{"metric_type":"StepCount","source":"iPhone","start":"2024-01-01T09:00:00Z","value":"1200"}]}'
//
// Invalid records are skipped and listed in the response rather than
// failing the batch.
package export
