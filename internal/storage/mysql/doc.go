// Package mysql opens pooled MySQL connections and applies the embedded schema
// migrations that back the transaction document store.
package mysql
