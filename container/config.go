package container

// 运行时在磁盘上的状态布局。没有常驻进程，每次调用都从这些路径重建当前状态
// 变量形式便于测试时重定向到临时目录
var (
	ContainersPath = "/var/lib/rocker/containers" // 容器记录与私有工作副本，%s为容器ID
	ProcPath       = "/proc"                      // 存活校验读取的proc挂载点
)

// 容器生命周期状态：created -> running -> exited，无pause
const (
	CREATED = "created"
	RUNNING = "running"
	EXITED  = "exited"
)

const (
	ConfigName     = "config.json" // 容器记录文件，记录即注册表
	FsDirName      = "fs"          // 工作副本目录：fs/upper fs/work fs/mnt
	EnvContainerID = "ROCKER_CONTAINER_ID"
)

// init进程的exec阶段失败时的退出码，父进程据此区分ExecFailed与用户命令自身退出
const (
	ExitCodeExecErr    = 126 // 找到了命令但无法执行
	ExitCodeNotFound   = 127 // 命令不存在
	ExitCodeJoinFailed = 125 // exec重入时namespace加入失败
)

// Limits 创建时捕获的资源限制，exec重入时会按此做一次一致性回写
type Limits struct {
	Memory    string  `json:"memory,omitempty"`     // 如 100m，空串表示不限制
	CPUs      float64 `json:"cpus,omitempty"`       // CPU核数，0表示不限制
	PidsLimit int     `json:"pids_limit,omitempty"` // 最大进程数，0表示不限制
}

// ContainerInfo 容器状态信息，即磁盘上的容器记录
// Pid仅在与PidStartTime指纹吻合时可信，内核会复用PID
type ContainerInfo struct {
	Id           string `json:"id"`             // 容器ID，创建时生成且不复用
	Name         string `json:"name"`           // 容器名，未指定时等于ID
	ImageID      string `json:"image_id"`       // 所属镜像的内容哈希
	Pid          int    `json:"pid"`            // init进程在宿主机上的PID
	PidStartTime uint64 `json:"pid_start_time"` // /proc/<pid>/stat第22字段，进程启动时刻指纹
	Command      string `json:"command"`        // init进程运行的用户命令
	CreatedTime  string `json:"create_time"`
	Status       string `json:"status"`
	CgroupPath   string `json:"cgroup_path"` // 专属cgroup叶子节点
	RootfsPath   string `json:"rootfs_path"` // 私有工作副本的挂载点
	Limits       Limits `json:"limits"`
	Volume       string `json:"volume,omitempty"` // 宿主机与容器挂载，host:container
}
