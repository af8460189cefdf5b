// Package buildinfo reports the version stamped at link time, falling back
// to the VCS data the Go toolchain embeds.
package buildinfo

import "runtime/debug"

// Set with -ldflags "-X batchnav/internal/buildinfo.Version=..."
var (
    Version = "dev"
    Commit  = ""
    BuiltAt = ""
)

func Info() map[string]string {
    out := map[string]string{
        "version": Version,
        "commit":  Commit,
        "builtAt": BuiltAt,
    }
    bi, ok := debug.ReadBuildInfo()
    if !ok {
        return out
    }
    out["go"] = bi.GoVersion
    for _, s := range bi.Settings {
        switch s.Key {
        case "vcs.revision":
            if out["commit"] == "" { out["commit"] = s.Value }
        case "vcs.time":
            if out["builtAt"] == "" { out["builtAt"] = s.Value }
        case "vcs.modified":
            out["dirty"] = s.Value
        }
    }
    return out
}
