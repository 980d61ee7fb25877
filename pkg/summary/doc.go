/*
Package summary defines the domain types shared by the materialization
engine: metric keys, bucket units, date ranges, summary records, import
batches and the error taxonomy.

# Keys

A SeriesKey is one (metric type, source) pair found in the Raw Store. A
MetricKey adds the bucket unit and names one materialized series:

	StepCount|iPhone|day
	StepCount|ALL|month

The ALL source is a sentinel for the series aggregated across sources. It is
computed and cached like any other series.

A CacheKey addresses one bucket of one series:

	StepCount|iPhone|week|2024-01-01

# Dates

Bucket dates are civil dates represented as midnight UTC. Raw timestamps are
converted with CivilDate using the configured time zone before bucketing:

	day   -> the calendar day
	week  -> Monday of the ISO week
	month -> the first of the month

# No Data vs Zero

A bucket with no raw records is never stored. Readers receive ErrNotFound,
so "no data" can always be distinguished from "value was zero".
*/
package summary
