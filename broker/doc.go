/*Package broker implements the device message broker (DMB).

The broker sits between browser sessions and the backend command dispatcher. It
authorizes joining peers against per-backend allowance sets, groups live
sessions into rooms by client identity (clid), and routes broadcast or direct
messages between them. Messages that carry commands are handed to a downlink
handler, the seam towards the command dispatcher.

All broker state - allowance table, connection registry, session contexts - is
owned by a single Broker value and mutated exclusively on its run loop, which
consumes a closed set of tagged events. The websocket side only posts events
and drains per-connection send queues. Delivery is best effort: there is no
persistence, no retry, and a vanished target is a silent no-op.
*/
package broker
