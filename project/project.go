// Package project resolves the build outputs a preview needs: the assembly holding the markup, the executable whose
// runtime config and deps file define the load context, and the designer host app that renders it.
package project

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/guseggert/remotepreview/internal/files"
)

// DefaultHostApp is the file name of the designer host shipped with the UI framework.
const DefaultHostApp = "Avalonia.Designer.HostApp.dll"

// Outputs is the set of paths passed to previewer.Controller.Start.
type Outputs struct {
	AssemblyPath   string `json:"assemblyPath"`
	ExecutablePath string `json:"executablePath"`
	HostAppPath    string `json:"hostAppPath"`
}

// Resolver supplies the outputs for the project being previewed.
type Resolver interface {
	Resolve() (Outputs, error)
}

// Static is a Resolver that always returns the same outputs.
type Static Outputs

func (s Static) Resolve() (Outputs, error) { return Outputs(s), nil }

// OutputDir resolves outputs from a build output directory.
type OutputDir struct {
	Dir string
	// Assembly is the file name or path of the assembly containing the markup. Relative paths are relative to Dir.
	Assembly string
	// Executable defaults to Assembly, which is right for single-project apps.
	Executable string
	// HostApp is a path to the designer host. If it is a bare file name (DefaultHostApp when empty),
	// it is searched for in Dir and its parents.
	HostApp string
}

func (o OutputDir) Resolve() (Outputs, error) {
	if o.Dir == "" {
		return Outputs{}, errors.New("no output directory given")
	}
	if o.Assembly == "" {
		return Outputs{}, errors.New("no assembly given")
	}
	dir := NormalizePath(o.Dir)

	out := Outputs{AssemblyPath: inDir(dir, o.Assembly)}
	out.ExecutablePath = out.AssemblyPath
	if o.Executable != "" {
		out.ExecutablePath = inDir(dir, o.Executable)
	}

	hostApp := o.HostApp
	if hostApp == "" {
		hostApp = DefaultHostApp
	}
	hostApp = NormalizePath(hostApp)
	if filepath.Base(hostApp) == hostApp {
		found, err := files.FindUp(hostApp, dir)
		if err != nil {
			return Outputs{}, fmt.Errorf("locating host app: %w", err)
		}
		hostApp = found
	}
	out.HostAppPath = hostApp
	return out, nil
}

func inDir(dir, p string) string {
	p = NormalizePath(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// NormalizePath converts Windows-style separators, which appear in project properties written on Windows,
// to the local separator.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	return filepath.Clean(filepath.FromSlash(p))
}
