// Package felk converts finished HTTP transactions into structured log
// documents and ships them to a pluggable backend, one synchronous write
// per transaction. Transport adapters live in the nethttp and fasthttp
// subpackages; the shipped backend indexes documents into Elasticsearch.
package felk
