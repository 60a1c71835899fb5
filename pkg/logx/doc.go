// Package logx is a small structured-logging facade over zerolog.
//
// It exists so the rest of the codebase depends on a stable Logger value type
// (safe zero value, cheap With) while sink wiring (console/file, levels) can
// be swapped at runtime via Service.Apply during config reloads.
package logx
