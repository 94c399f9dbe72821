package detections

const (
	ConfThreshold = 0.25
	IoUThreshold  = 0.45
	RetryAttempts = 3
	RetryDelayMs  = 100

	InputName  = "images"
	OutputName = "output0"
)
