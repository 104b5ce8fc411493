package stats

/*
This file defines all the metrics being collected. As new metrics are added please follow this pattern.
*/

const (
	/************************* Slot pool metrics **************************/
	/*
		number of slots currently registered by workers (free + reserved + allocated)
	*/
	SlotPoolTotalSlotsGauge = "totalSlotsGauge"

	/*
		number of registered slots not reserved by any request
	*/
	SlotPoolFreeSlotsGauge = "freeSlotsGauge"

	/*
		number of slots handed to a request but not yet confirmed as in use
	*/
	SlotPoolReservedSlotsGauge = "reservedSlotsGauge"

	/*
		number of slots confirmed as hosting a subtask
	*/
	SlotPoolAllocatedSlotsGauge = "allocatedSlotsGauge"

	/*
		number of slot requests waiting in the FIFO queue
	*/
	SlotPoolPendingRequestsGauge = "pendingRequestsGauge"

	/*
		number of slot offers received from workers (includes duplicates)
	*/
	SlotPoolOfferCounter = "slotOfferCounter"

	/*
		number of slots withdrawn by workers while reserved or allocated
	*/
	SlotPoolSlotLostCounter = "slotLostCounter"

	/*
		number of slot requests that expired in the queue
	*/
	SlotPoolRequestTimeoutCounter = "requestTimeoutCounter"

	/*
		number of pending slot requests cancelled by their owner
	*/
	SlotPoolRequestCancelledCounter = "requestCancelledCounter"

	/*
		time from a slot request to its fulfillment (queued requests only)
	*/
	SlotPoolRequestLatency_ms = "requestLatency_ms"

	/************************* Slot sharing / co-location metrics **************************/
	/*
		number of shared slot records (one per slot sharing group and subtask index)
	*/
	SharingSharedSlotsGauge = "sharedSlotsGauge"

	/*
		number of co-location anchors currently held
	*/
	ColocationAnchorsGauge = "colocationAnchorsGauge"

	/************************* Scheduler metrics **************************/
	/*
		time taken to place every subtask of a job
	*/
	SchedScheduleJobLatency_ms = "scheduleJobLatency_ms"

	/*
		number of jobs whose placement succeeded
	*/
	SchedJobScheduledCounter = "jobScheduledCounter"

	/*
		number of jobs whose placement failed (timeouts, invalid graphs, cancellation)
	*/
	SchedJobScheduleFailureCounter = "jobScheduleFailureCounter"

	/*
		number of subtasks that transitioned to Failed
	*/
	SchedSubtaskFailedCounter = "subtaskFailedCounter"

	/*
		number of placements currently held by the job
	*/
	SchedPlacementsGauge = "placementsGauge"

	/************************* Job registry metrics **************************/
	/*
		number of open job contexts
	*/
	RegistryOpenJobsGauge = "openJobsGauge"

	/*
		number of job contexts created (including replacements of closed contexts)
	*/
	RegistryJobCreatedCounter = "jobCreatedCounter"

	/*
		number of cleanup calls that removed a job context
	*/
	RegistryJobCleanedUpCounter = "jobCleanedUpCounter"
)
