package redfish

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/parallelvirtualcluster/bootstrapd/pkg/log"
)

var (
	devicePathRe = regexp.MustCompile(`^/dev`)
	detectRe     = regexp.MustCompile(`^detect:`)
)

// GetSystemDriveTarget resolves a node's configured system_disks entries
// (at most the first two are considered) to a single installer target
// string, matching original_source's get_system_drive_target:
//
//   - no storage root available: the first entry is returned verbatim.
//   - an entry already shaped like "/dev/..." or "detect:..." is returned
//     verbatim.
//   - otherwise each entry is treated as a chassis bay number ("Drive.Bay.N")
//     and matched against the BMC's Storage/Drives collection:
//   - exactly one match: synthesize "detect:<model>:<size>:<idx>", where
//     idx disambiguates same-model/same-size drives.
//   - exactly two matches on the same controller: create a RAID-1 volume
//     spanning them and synthesize "detect:<controller>:<size>:<volidx>".
//   - zero or more than two matches: unresolvable, returns an error.
func GetSystemDriveTarget(ctx context.Context, session *Session, systemDisks []string, storageRoot string) (string, error) {
	if len(systemDisks) == 0 {
		return "", fmt.Errorf("no system_disks configured")
	}
	disks := systemDisks
	if len(disks) > 2 {
		disks = disks[:2]
	}

	if storageRoot == "" {
		return disks[0], nil
	}
	if devicePathRe.MatchString(disks[0]) || detectRe.MatchString(disks[0]) {
		return disks[0], nil
	}

	storage, err := session.Get(ctx, storageRoot)
	if err != nil {
		return "", fmt.Errorf("get storage collection: %w", err)
	}

	members, _ := storage["Members"].([]any)
	type driveRef = driveRefAlias

	var all, matches []driveRef
	for _, m := range members {
		memberObj, _ := m.(map[string]any)
		memberPath, _ := memberObj["@odata.id"].(string)
		if memberPath == "" {
			continue
		}
		controller, err := session.Get(ctx, memberPath)
		if err != nil {
			continue
		}
		driveCollection, _ := controller["Drives"].([]any)
		for _, d := range driveCollection {
			driveObj, _ := d.(map[string]any)
			drivePath, _ := driveObj["@odata.id"].(string)
			if drivePath == "" {
				continue
			}
			drive, err := session.Get(ctx, drivePath)
			if err != nil {
				continue
			}
			id, _ := drive["Id"].(string)
			bay := strings.SplitN(id, ":", 2)[0]
			model, _ := drive["Model"].(string)
			size, _ := drive["CapacityBytes"].(float64)
			ref := driveRef{path: drivePath, model: model, sizeBytes: size, controller: memberPath}
			all = append(all, ref)
			for _, diskSpec := range disks {
				if bay == diskSpec || fmt.Sprintf("Drive.Bay.%s", bay) == diskSpec {
					matches = append(matches, ref)
				}
			}
		}
	}

	switch len(matches) {
	case 1:
		idx := sameModelSizeIndex(all, matches[0])
		return fmt.Sprintf("detect:%s:%s:%d", matches[0].model, FormatBytesHuman(matches[0].sizeBytes), idx), nil

	case 2:
		if matches[0].controller != matches[1].controller {
			return "", fmt.Errorf("matched drives are on different controllers, cannot mirror")
		}
		return createMirroredVolume(ctx, session, matches[0].controller, []string{matches[0].path, matches[1].path})

	default:
		return "", fmt.Errorf("system_disks resolved to %d drives, expected 1 or 2", len(matches))
	}
}

func sameModelSizeIndex(all []driveRefAlias, target driveRefAlias) int {
	idx := 0
	for _, d := range all {
		if d.model == target.model && d.sizeBytes == target.sizeBytes {
			if d.path == target.path {
				return idx
			}
			idx++
		}
	}
	return idx
}

// driveRefAlias is the drive record GetSystemDriveTarget collects (it refers
// to it locally as driveRef) and sameModelSizeIndex compares.
type driveRefAlias = struct {
	path       string
	model      string
	sizeBytes  float64
	controller string
}

func createMirroredVolume(ctx context.Context, session *Session, controllerPath string, drivePaths []string) (string, error) {
	logger := log.WithComponent("redfish")

	controller, err := session.Get(ctx, controllerPath)
	if err != nil {
		return "", fmt.Errorf("get controller detail: %w", err)
	}
	controllerName, _ := controller["Name"].(string)
	if controllerName == "" {
		controllerName = "INVALID"
	}
	words := strings.Fields(controllerName)
	firstWord := controllerName
	if len(words) > 0 {
		firstWord = words[0]
	}

	before, err := session.Get(ctx, controllerPath+"/Volumes")
	if err != nil {
		return "", fmt.Errorf("get volumes before create: %w", err)
	}
	beforeMembers := memberSet(before)

	drives := make([]map[string]any, 0, len(drivePaths))
	for _, p := range drivePaths {
		drives = append(drives, map[string]any{"@odata.id": p})
	}
	_, err = session.Post(ctx, controllerPath+"/Volumes", map[string]any{
		"VolumeType": "Mirrored",
		"RAIDType":   "RAID1",
		"Drives":     drives,
	})
	if err != nil {
		return "", fmt.Errorf("create mirrored volume: %w", err)
	}

	var after map[string]any
	for try := 0; try < 24; try++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(5 * time.Second):
		}
		after, err = session.Get(ctx, controllerPath+"/Volumes")
		if err != nil {
			continue
		}
		afterMembers := memberSet(after)
		for id := range afterMembers {
			if !beforeMembers[id] {
				volumes, _ := after["Members"].([]any)
				volIdx := 0
				for i, m := range volumes {
					obj, _ := m.(map[string]any)
					if p, _ := obj["@odata.id"].(string); p == id {
						volIdx = i
						break
					}
				}
				vol, err := session.Get(ctx, id)
				if err != nil {
					return "", fmt.Errorf("get new volume: %w", err)
				}
				size, _ := vol["CapacityBytes"].(float64)
				logger.Info().Str("volume", id).Msg("created mirrored system volume")
				return fmt.Sprintf("detect:%s:%s:%d", firstWord, FormatBytesHuman(size), volIdx), nil
			}
		}
	}

	return "", fmt.Errorf("timed out waiting for mirrored volume to appear")
}

func memberSet(collection map[string]any) map[string]bool {
	out := make(map[string]bool)
	members, _ := collection["Members"].([]any)
	for _, m := range members {
		obj, _ := m.(map[string]any)
		if id, _ := obj["@odata.id"].(string); id != "" {
			out[id] = true
		}
	}
	return out
}
