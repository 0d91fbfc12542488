/*
Package dispatch creates jobs and routes their tasks to named queues.

Routing keys are provider names and job kinds, bound to queues by
registration at startup. Submissions for a torrent already being
processed for the same user and destination coalesce onto the existing
job instead of creating a second one.
*/
package dispatch
