// Package fed defines the vocabulary shared by every process of a federated
// deployment: ranks and logical identities, message codes, tensors, envelopes,
// the participant lifecycle, bounded delivery queues, and the coordinator that
// maps logical clients to transport ranks.
package fed
