package lifecycle

import (
	"fmt"

	"github.com/AlbatrossHook/AlbatrossManager/pkg/model"
)

// SuccessMarker is echoed by an install script that ran to completion.
const SuccessMarker = "success"

// BuildScript returns the shell lines that stage version under rootPath.
// With launch set the script also starts the server on address; otherwise it
// echoes SuccessMarker. The script always ends with exit.
func BuildScript(v *model.ServerVersion, rootPath, address string, launch bool) []string {
	paths := model.Staged(rootPath)

	lines := []string{
		"mkdir -p " + paths.Root,
		fmt.Sprintf("cp %s %s", v.ServerBinaryPath, paths.Server),
		fmt.Sprintf("cp %s %s", v.NativeLibPath, paths.NativeLib),
	}
	if v.Has32BitLib() {
		lines = append(lines,
			"mkdir -p "+paths.Root+model.Lib32DirName+"/",
			fmt.Sprintf("cp %s %s", v.NativeLib32Path, paths.NativeLib32),
		)
	}
	lines = append(lines,
		fmt.Sprintf("cp %s %s", v.AppAgentSource(), paths.AppAgent),
		fmt.Sprintf("cp %s %s", v.SystemAgentSource(), paths.SystemAgent),
		"chmod 444 "+paths.AppAgent,
		"chmod 444 "+paths.SystemAgent,
		"chmod 755 "+paths.Server,
		"chmod 644 "+paths.NativeLib,
	)
	if v.Has32BitLib() {
		lines = append(lines, "chmod 644 "+paths.NativeLib32)
	}

	if launch {
		lines = append(lines,
			fmt.Sprintf("export LD_LIBRARY_PATH=%s:$LD_LIBRARY_PATH", paths.Root),
			fmt.Sprintf("nohup %s %s >%s 2>&1 &", paths.Server, address, paths.Log),
		)
	} else {
		lines = append(lines, "echo "+SuccessMarker)
	}
	return append(lines, "exit")
}

// sourceArtifacts lists the files a version must provide, keyed by role.
func sourceArtifacts(v *model.ServerVersion) [][2]string {
	out := [][2]string{
		{"server binary", v.ServerBinaryPath},
		{"native library", v.NativeLibPath},
		{"app agent", v.AppAgentSource()},
		{"system agent", v.SystemAgentSource()},
	}
	if v.Has32BitLib() {
		out = append(out, [2]string{"32-bit native library", v.NativeLib32Path})
	}
	return out
}
