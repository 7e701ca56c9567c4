package nsenter

// 通过环境变量向C构造函数传参
const (
	EnvExecPid = "ROCKER_PID"
	EnvExecCmd = "ROCKER_CMD"
)
