package skills

import (
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Extension sets used to classify enumerated files.
var (
	scriptExts = map[string]bool{
		"": true, ".sh": true, ".bash": true, ".py": true, ".js": true,
		".mjs": true, ".ts": true, ".rb": true, ".pl": true, ".bin": true,
	}
	referenceExts = map[string]bool{
		".md": true, ".txt": true, ".rst": true, ".adoc": true, ".pdf": true,
		".html": true,
	}
)

// dependencyDirs are well-known directory names that hint at a runtime
// dependency tree. Their contents are never walked.
var dependencyDirs = map[string]string{
	"node_modules": "node_modules",
	"venv":         "virtualenv",
	".venv":        "virtualenv",
	"vendor":       "vendor",
}

// LoadResources enumerates the scripts, references, and assets under a
// skill directory. Files are classified by location first (the canonical
// scripts/, references/, assets/ subdirectories) and by extension for
// anything at the top level. Asset bodies are not read.
func LoadResources(dir string) (*Resources, error) {
	res := &Resources{}
	depSeen := map[string]bool{}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil || rel == "." {
			return nil
		}

		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && d.Name() != "." {
				if hint, ok := dependencyDirs[d.Name()]; ok && !depSeen[hint] {
					depSeen[hint] = true
					res.Dependencies = append(res.Dependencies, hint)
				}
				return filepath.SkipDir
			}
			if hint, ok := dependencyDirs[d.Name()]; ok {
				if !depSeen[hint] {
					depSeen[hint] = true
					res.Dependencies = append(res.Dependencies, hint)
				}
				return filepath.SkipDir
			}
			return nil
		}

		if d.Name() == SkillFilename || d.Name() == SidecarFilename {
			return nil
		}

		info, statErr := d.Info()
		if statErr != nil {
			return nil
		}
		fi := FileInfo{
			Path: "./" + filepath.ToSlash(rel),
			Size: info.Size(),
			MIME: inferMIME(path, info),
		}

		switch classify(rel, path, info) {
		case "script":
			res.Scripts = append(res.Scripts, fi)
		case "reference":
			res.References = append(res.References, fi)
		default:
			res.Assets = append(res.Assets, fi)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortFiles(res.Scripts)
	sortFiles(res.References)
	sortFiles(res.Assets)
	sort.Strings(res.Dependencies)
	return res, nil
}

func classify(rel, path string, info os.FileInfo) string {
	top := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
	switch top {
	case ScriptsDir:
		return "script"
	case ReferencesDir:
		return "reference"
	case AssetsDir:
		return "asset"
	}

	ext := strings.ToLower(filepath.Ext(rel))
	switch {
	case referenceExts[ext]:
		return "reference"
	case scriptExts[ext] && (ext != "" || info.Mode()&0o111 != 0):
		return "script"
	default:
		return "asset"
	}
}

func inferMIME(path string, info os.FileInfo) string {
	ext := strings.ToLower(filepath.Ext(path))
	if m := mime.TypeByExtension(ext); m != "" {
		return m
	}
	if ext == "" && info.Mode()&0o111 != 0 {
		return "application/x-executable"
	}
	return "application/octet-stream"
}

func sortFiles(files []FileInfo) {
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
}
