/*
package server provides the Coordinator, which places the subtasks of job graphs onto worker slots.

* Concepts *
JobRegistry:
  Maps a job id to its open JobContext. CreateOrGet returns the open context or installs a fresh one,
  replacing a closed context left under the same id. CloseAndCleanup never fails.

JobContext:
  The state of one job run: its metric group and its JobScheduler. Closing it cancels pending slot
  requests and releases every slot the job holds.

Slot sharing:
  Same-index subtasks of vertices in one slot sharing group use one slot. A shared slot never hosts two
  subtasks of the same vertex.

Co-location:
  Same-index subtasks of vertices in one co-location group use the identical slot. Only the first member
  to arrive requests it, through the sharing manager if its vertex shares slots.

* Logic *
Schedule:
  Validate the graph and order its vertices topologically (ties by declaration order).
  Issue one request per subtask in (vertex position, subtask index) order:
    co-located vertex -> co-location resolver
    shared vertex     -> slot sharing manager
    otherwise         -> slot pool, exclusive
  Await the requests in the same order and mark every slot allocated.
  Any failure releases everything acquired so far and fails the job result.

Subtask states:
  Pending -> SlotRequested -> SlotAssigned -> Running -> Completed|Failed -> SlotReleased
  A lost slot fails the subtasks placed on it and invalidates their placements, reported once per job.
*/
package server
