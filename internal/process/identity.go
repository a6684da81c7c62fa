package process

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	sysconf "github.com/tklauser/go-sysconf"
)

// procStartUnix returns the start time of pid as Unix seconds, or 0 when it
// cannot be determined.
func procStartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	if runtime.GOOS == "linux" {
		return procStartUnixLinux(pid)
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}

// procStatFields returns the fields of /proc/<pid>/stat following the comm
// field, so index 0 is the state.
func procStatFields(pid int) []string {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return nil
	}
	line := string(b)
	// comm may contain spaces; it ends at the last ") "
	end := strings.LastIndex(line, ") ")
	if end == -1 {
		return nil
	}
	return strings.Fields(line[end+2:])
}

func procStartUnixLinux(pid int) int64 {
	parts := procStatFields(pid)
	// starttime is field 22 overall, index 19 after comm
	if len(parts) < 20 {
		return 0
	}
	startTicks, err := strconv.ParseInt(parts[19], 10, 64)
	if err != nil || startTicks <= 0 {
		return 0
	}
	btime := bootTime()
	if btime == 0 {
		return 0
	}
	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		clk = 100
	}
	return btime + startTicks/clk
}

func bootTime() int64 {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()
	s := bufio.NewScanner(f)
	for s.Scan() {
		if v, ok := strings.CutPrefix(s.Text(), "btime "); ok {
			bt, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err == nil {
				return bt
			}
		}
	}
	return 0
}

// isZombie reports whether pid has exited but not been reaped yet. Only Linux
// exposes this cheaply; elsewhere it reports false.
func isZombie(pid int) bool {
	if runtime.GOOS != "linux" {
		return false
	}
	parts := procStatFields(pid)
	return len(parts) > 0 && parts[0] == "Z"
}

// identityMatches reports whether pid is alive and is the same process that
// was recorded with startUnix. A zero startUnix skips the start-time check.
func identityMatches(pid int, startUnix int64) bool {
	if !pidExists(pid) || isZombie(pid) {
		return false
	}
	if startUnix == 0 {
		return true
	}
	cur := procStartUnix(pid)
	return cur == 0 || cur == startUnix
}
