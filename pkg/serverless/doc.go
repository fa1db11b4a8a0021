/*
Package serverless provides the local function host: an in-process
provider with deploy/invoke/delete semantics, per-function timeouts, and
invocation bookkeeping. It is the "local" choice for the runtime's
serverless_provider and the reference for pinning external FaaS hosts
behind the same surface.
*/
package serverless
