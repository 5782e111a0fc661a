// Package ingestion implements a leader/follower partition ingestion
// engine: per-partition role state machines
// driving data from an upstream source into a canonical version topic, data
// integrity validation against upstream-offset rewinds, and bounded-memory
// backpressure between the consumer, drainer and producer.
//
// The storage engine, upstream Kafka client and downstream Kafka producer
// are external collaborators; this package depends only on the interfaces
// in interfaces.go. modules/storage provides an in-memory storage engine, and
// kafka_client.go provides franz-go-backed upstream and downstream clients
// built on pkg/ingest's Kafka config and client constructors.
package ingestion
