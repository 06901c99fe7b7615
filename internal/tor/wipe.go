package tor

import (
	"crypto/rand"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// secureRemove перезаписывает каждый файл случайными данными и удаляет дерево.
// Ошибки отдельных файлов не прерывают очистку.
func secureRemove(root string) error {
	if _, err := os.Lstat(root); os.IsNotExist(err) {
		return nil
	}

	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return nil
		}
		if err := overwrite(path); err != nil {
			log.Debug("не удалось перезаписать %s: %v", path, err)
		}
		return nil
	})
	return os.RemoveAll(root)
}

func overwrite(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if _, err := io.CopyN(f, rand.Reader, fi.Size()); err != nil {
		return err
	}
	return f.Sync()
}
