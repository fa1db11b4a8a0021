/*
Package processor implements the universal event processor: the owned
bus subscriber that routes every event to the drivers whose declared
capabilities match it.

Per event the processor:

 1. Stamps conversation turns: an un-numbered "llm.chat" event opens
    the next turn for its session; an "llm.chat.response" is verified
    against its stamped turn.
 2. Routes to drivers via the registry (longest capability prefix
    first), invoking each Handle under the manifest timeout.
 3. Publishes all driver output events back onto the bus.
 4. Parks events nothing consumes (no driver match and no subscriber
    beyond the processor itself) in the orphan store.

Driver failures are caught, counted by error kind, and surface as a
handler error so the bus parks the failing event in the dead-letter
store; a buggy driver is an event-level problem, never a process-level
one.

The companion Monitor derives a 0-100 health score from error and
orphan rates plus dead-letter pressure, summarizes orphans by type with
a registration recommendation, and logs a periodic report.
*/
package processor
