/*
Package driver defines the ABI between the Vextir runtime and its
drivers: the manifest, the Driver interface, lifecycle status, and the
narrow Runtime handle drivers receive at initialization.

A driver declares capabilities as dotted event-type prefixes. The
registry routes an event to the drivers whose capability matches the
event type at the greatest depth ("llm.chat.tool" beats "llm.chat"),
breaking ties by manifest priority.

Drivers hold only the Runtime handle, never the registry, so the
driver/registry reference graph stays acyclic and lifecycle transitions
always flow through the runtime.
*/
package driver
