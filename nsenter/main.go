package nsenter

// Linux的setns要求单线程环境，而Go运行时默认多线程（如GC线程），直接调用可能失败。
// 与Docker相同的做法：通过CGO嵌入C代码，借__attribute__((constructor))在Go运行时
// 启动前（main函数执行前）完成setns。
//
// 重入必须是原子的：先整体打开目标进程全部namespace句柄，任一打开或加入失败都在
// 执行命令之前退出，绝不留下只加入了部分namespace的进程。

/*
#define _GNU_SOURCE
#include <unistd.h>
#include <errno.h>
#include <sched.h>
#include <stdio.h>
#include <stdlib.h>
#include <string.h>
#include <fcntl.h>
#include <sys/wait.h>

__attribute__((constructor)) void enter_namespace(void) {
	// 从环境变量中获取需要进入的PID与执行的命令，未设置说明不是重入路径，直接返回
	char *rocker_pid = getenv("ROCKER_PID");
	if (!rocker_pid) {
		return;
	}
	char *rocker_cmd = getenv("ROCKER_CMD");
	if (!rocker_cmd) {
		return;
	}

	int i;
	char nspath[1024];
	char *namespaces[] = { "ipc", "uts", "net", "pid", "mnt" };
	int fds[5];

	// 先打开全部句柄再逐个加入，缺任何一个都在动手前失败
	for (i = 0; i < 5; i++) {
		sprintf(nspath, "/proc/%s/ns/%s", rocker_pid, namespaces[i]);
		fds[i] = open(nspath, O_RDONLY);
		if (fds[i] == -1) {
			fprintf(stderr, "open %s failed: %s\n", nspath, strerror(errno));
			exit(125);
		}
	}
	for (i = 0; i < 5; i++) {
		if (setns(fds[i], 0) == -1) {
			fprintf(stderr, "setns on %s namespace failed: %s\n", namespaces[i], strerror(errno));
			exit(125);
		}
		close(fds[i]);
	}

	// 全部namespace加入成功后才执行命令，退出码透传
	int res = system(rocker_cmd);
	if (res == -1) {
		exit(126);
	}
	exit(WEXITSTATUS(res));
}
*/
import "C"
