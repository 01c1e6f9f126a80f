// Package manifest 解析批量下载的yaml清单：
//
//	parallel: 4
//	dir: downloads
//	files:
//	  - urls: [http://a/x.bin, http://b/x.bin]
//	    sha256: 9f86d0...
//	    name: x.bin
package manifest

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type File struct {
	URLs   []string `yaml:"urls"`
	URL    string   `yaml:"url"`
	SHA256 string   `yaml:"sha256"`
	Name   string   `yaml:"name"`
	Dir    string   `yaml:"dir"`
}

type Manifest struct {
	Parallel int    `yaml:"parallel"`
	Dir      string `yaml:"dir"`
	Files    []File `yaml:"files"`
}

func Load(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "打开清单%s失败", path)
	}
	defer f.Close()
	return Parse(f)
}

// Parse 解析清单，单个 url 会并入 urls 的最前面，未设置目录的文件继承清单的 dir
func Parse(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := yaml.NewDecoder(r).Decode(&m); err != nil {
		return nil, errors.Wrap(err, "解析清单失败")
	}
	if len(m.Files) == 0 {
		return nil, errors.New("清单中没有文件")
	}
	if m.Parallel <= 0 {
		m.Parallel = 1
	}
	for i := range m.Files {
		f := &m.Files[i]
		if f.URL != "" {
			f.URLs = append([]string{f.URL}, f.URLs...)
			f.URL = ""
		}
		if len(f.URLs) == 0 {
			return nil, errors.Errorf("第%d个文件没有url", i+1)
		}
		if f.Dir == "" {
			f.Dir = m.Dir
		}
	}
	return &m, nil
}
