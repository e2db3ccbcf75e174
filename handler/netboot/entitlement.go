package netboot

import (
	"github.com/go-logr/logr"
	"github.com/macadmins/bsdp"
	"github.com/macadmins/bsdp/data"
)

// Entitlement is the outcome of filtering one catalog snapshot for one
// client: the admitted records in catalog order, the chosen default id
// (0 when nothing was admitted) and the pre-encoded boot_image_list
// payload. It is a pure function of its inputs; nothing here survives the
// packet that asked for it.
type Entitlement struct {
	Images    []data.Image
	DefaultID uint16
	ListBlob  []byte
}

// ImageByID returns the admitted record with the given id.
func (e Entitlement) ImageByID(id uint16) (data.Image, bool) {
	for _, img := range e.Images {
		if img.ID == id {
			return img, true
		}
	}
	return data.Image{}, false
}

// Entitle applies the admission rules to each record in catalog order and
// derives the default image and encoded image list.
func Entitle(images []data.Image, c data.Client, log logr.Logger) Entitlement {
	var ent Entitlement
	for _, img := range images {
		if intersects(img.EnabledSystemIDs, img.DisabledSystemIDs) {
			// A model in both lists means the descriptor is broken;
			// the admin has to fix it.
			log.Info("image has system IDs in both enabled and disabled lists, skipping",
				"image", img.Description, "id", img.ID)
			continue
		}
		if len(img.EnabledMACs) > 0 && !contains(img.EnabledMACs, c.MAC) {
			log.V(1).Info("client MAC not in enabled MAC list, skipping",
				"image", img.Description, "mac", c.MAC)
			continue
		}
		switch {
		case len(img.EnabledSystemIDs) == 0 && len(img.DisabledSystemIDs) == 0:
			// no restrictions
		case contains(img.DisabledSystemIDs, c.SystemID):
			log.V(1).Info("system ID is disabled, skipping",
				"image", img.Description, "systemID", c.SystemID)
			continue
		case contains(img.EnabledSystemIDs, c.SystemID):
			// explicitly enabled
		default:
			log.V(1).Info("system ID not in enabled list, skipping",
				"image", img.Description, "systemID", c.SystemID)
			continue
		}
		ent.Images = append(ent.Images, img)
	}

	ent.DefaultID = defaultID(ent.Images)
	for _, img := range ent.Images {
		ent.ListBlob = append(ent.ListBlob, bsdp.EncodeImageID(img.ID)...)
		ent.ListBlob = append(ent.ListBlob, byte(img.NameLength()))
		ent.ListBlob = append(ent.ListBlob, img.Name...)
	}
	return ent
}

// defaultID picks the image a client boots when it does not choose:
// the highest id flagged default, else the highest id outright, else 0.
func defaultID(admitted []data.Image) uint16 {
	var id uint16
	var hasDefault bool
	for _, img := range admitted {
		if img.IsDefault && !hasDefault {
			hasDefault = true
			id = img.ID
			continue
		}
		if img.IsDefault == hasDefault && img.ID > id {
			id = img.ID
		}
	}
	return id
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, s := range a {
		if contains(b, s) {
			return true
		}
	}
	return false
}
