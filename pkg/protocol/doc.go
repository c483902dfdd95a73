// Package protocol defines the wire-level message model of the capwire
// protocol: the JSON-RPC 2.0 request/response/notification/batch union,
// strict decode validation, the standard method names, capability
// negotiation types and the tool/resource descriptor shapes.
package protocol
