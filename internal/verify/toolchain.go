package verify

import "slices"

// Toolchain identifiers.
const (
	ToolchainNode    = "node"
	ToolchainPython  = "python"
	ToolchainGo      = "go"
	ToolchainJava    = "java"
	ToolchainUnknown = "unknown"
)

type buildStep struct {
	Name string
	Args []string
}

type toolchain struct {
	Name  string
	Label string
	Steps []buildStep
}

// detect picks the build recipe from the repository root listing.
func detect(rootFiles []string) toolchain {
	has := func(name string) bool { return slices.Contains(rootFiles, name) }

	switch {
	case has("package.json"):
		install := []string{"npm", "install"}
		if has("package-lock.json") {
			install = []string{"npm", "ci"}
		}
		return toolchain{
			Name:  ToolchainNode,
			Label: "Node.js project",
			Steps: []buildStep{
				{Name: "Install", Args: install},
				{Name: "Build", Args: []string{"npm", "run", "build", "--if-present"}},
				{Name: "Test", Args: []string{"npm", "test", "--if-present"}},
			},
		}
	case has("requirements.txt") || has("pyproject.toml"):
		install := []string{"pip", "install", "."}
		if has("requirements.txt") {
			install = []string{"pip", "install", "-r", "requirements.txt"}
		}
		return toolchain{
			Name:  ToolchainPython,
			Label: "Python project",
			Steps: []buildStep{
				{Name: "Install", Args: install},
				{Name: "Build", Args: []string{"python", "-m", "compileall", "-q", "."}},
			},
		}
	case has("go.mod"):
		return toolchain{
			Name:  ToolchainGo,
			Label: "Go module",
			Steps: []buildStep{
				{Name: "Build", Args: []string{"go", "build", "./..."}},
				{Name: "Test", Args: []string{"go", "test", "./..."}},
			},
		}
	case has("pom.xml"):
		return toolchain{
			Name:  ToolchainJava,
			Label: "Maven project",
			Steps: []buildStep{
				{Name: "Build", Args: []string{"mvn", "-B", "-q", "verify"}},
			},
		}
	default:
		return toolchain{
			Name:  ToolchainUnknown,
			Label: "No known build manifest; structure check",
			Steps: []buildStep{
				{Name: "Structure check", Args: []string{"ls", "-R"}},
			},
		}
	}
}
