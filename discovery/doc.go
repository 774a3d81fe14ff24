// Package discovery answers and forwards discovery requests across the
// federation of agents.
//
// Outbound, a Federator asks the registry which objects are visible, sends
// graph queries to peer agents one by one or as one federated query, and
// fetches remote Thing Descriptions through the description cache.
//
// Inbound, AnswerQuery and AnswerDescription serve peers. A Resolver turns
// the origin of a request into a Permission: requests from this node see
// everything, other agents only the items visible to them. Queries from
// other agents are confined to the graphs of those items by a QueryFilter
// before they reach the semantic service.
package discovery
