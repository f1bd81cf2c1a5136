package patch

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Rtoax/elfview/task"
)

// Install bookkeeping is also persisted next to the registered object so a
// later tool run can undo a patch it did not install itself.
const recSuffix = ".rec"

func (li *LoadInfo) saveRecord() {
	if li.RegistryPath == "" {
		return
	}
	rec := fmt.Sprintf("base %x site %x tramp %x %x orig %s\n",
		li.TargetBase, li.site, li.tramp, li.trampLen,
		hex.EncodeToString(li.origBytes))
	if err := os.WriteFile(li.RegistryPath+recSuffix, []byte(rec), 0664); err != nil {
		logger.Printf("save record for %s: %v", li.Path, err)
	}
}

// ActivePatches lists the registered patch objects of one registry
// directory, oldest first.
func ActivePatches(registryDir string) ([]string, error) {
	matches, err := filepath.Glob(
		filepath.Join(registryDir, "map_files", task.PatchFilePrefix+"*"))
	if err != nil {
		return nil, err
	}
	var objs []string
	for _, m := range matches {
		if strings.HasSuffix(m, recSuffix) {
			continue
		}
		objs = append(objs, m)
	}
	sort.Strings(objs)
	return objs, nil
}

// Restore rebuilds the LoadInfo of an installed patch from its registry
// entry and install record, ready for Delete.
func Restore(registeredObj string) (*LoadInfo, error) {
	li, err := ParseLoadInfo(registeredObj)
	if err != nil {
		return nil, err
	}
	li.RegistryPath = registeredObj

	raw, err := os.ReadFile(registeredObj + recSuffix)
	if err != nil {
		return nil, fmt.Errorf("no install record for %s: %w", registeredObj, err)
	}
	var origHex string
	_, err = fmt.Sscanf(string(raw), "base %x site %x tramp %x %x orig %s",
		&li.TargetBase, &li.site, &li.tramp, &li.trampLen, &origHex)
	if err != nil {
		return nil, fmt.Errorf("parse install record for %s: %w", registeredObj, err)
	}
	if li.origBytes, err = hex.DecodeString(origHex); err != nil {
		return nil, fmt.Errorf("parse install record for %s: %w", registeredObj, err)
	}

	li.state = Active
	return li, nil
}
