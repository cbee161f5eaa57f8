package task

// Common prefix for labels managed by verdandi
const (
	LabelsPrefix = "verdandi/"

	LabelTaskName      = LabelsPrefix + "task.name"
	LabelTaskID        = LabelsPrefix + "task.id"
	LabelTaskKind      = LabelsPrefix + "task.kind"
	LabelExecutionID   = LabelsPrefix + "execution.id"
	LabelExecutionTrig = LabelsPrefix + "execution.trigger"

	LabelWorkerName    = LabelsPrefix + "worker.name"
	LabelWorkerMessage = LabelsPrefix + "worker.messageId"
)

const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
)
