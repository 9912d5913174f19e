package main

import (
	"fmt"
	"strings"

	"github.com/skywatch/indi/indi"
)

// printProperty renders one property with its elements, indented for
// nesting under a device heading
func printProperty(prop *indi.Property, indent string) {
	fmt.Printf("%s%s [%s, %s, %s]\n", indent, prop.Name, prop.Kind, prop.Perm, prop.State)
	inner := indent + "  "
	switch prop.Kind {
	case indi.KindSwitch:
		for _, elem := range prop.Switches {
			fmt.Printf("%s%-24s = %s\n", inner, elem.Name, elem.Value)
		}
	case indi.KindNumber:
		for _, elem := range prop.Numbers {
			fmt.Printf("%s%-24s = %g\n", inner, elem.Name, elem.Value)
		}
	case indi.KindText:
		for _, elem := range prop.Texts {
			fmt.Printf("%s%-24s = %q\n", inner, elem.Name, elem.Value)
		}
	case indi.KindLight:
		for _, elem := range prop.Lights {
			fmt.Printf("%s%-24s = %s\n", inner, elem.Name, elem.Value)
		}
	case indi.KindBLOB:
		for _, elem := range prop.Blobs {
			fmt.Printf("%s%-24s = <%d bytes%s>\n", inner, elem.Name, len(elem.Value), blobFormat(elem))
		}
	}
}

func blobFormat(elem indi.BLOBElement) string {
	if elem.Format == "" {
		return ""
	}
	return ", " + strings.TrimPrefix(elem.Format, ".")
}

// summarizeUpdate renders one stream update on a single line
func summarizeUpdate(u indi.Update) string {
	target := u.Device
	if u.Name != "" {
		target += "." + u.Name
	}
	if u.Kind == indi.UpdateDeleted {
		return fmt.Sprintf("%s %s", target, u.Kind)
	}

	var values []string
	prop := u.Property
	switch prop.Kind {
	case indi.KindSwitch:
		for _, elem := range prop.Switches {
			values = append(values, fmt.Sprintf("%s=%s", elem.Name, elem.Value))
		}
	case indi.KindNumber:
		for _, elem := range prop.Numbers {
			values = append(values, fmt.Sprintf("%s=%g", elem.Name, elem.Value))
		}
	case indi.KindText:
		for _, elem := range prop.Texts {
			values = append(values, fmt.Sprintf("%s=%q", elem.Name, elem.Value))
		}
	case indi.KindLight:
		for _, elem := range prop.Lights {
			values = append(values, fmt.Sprintf("%s=%s", elem.Name, elem.Value))
		}
	case indi.KindBLOB:
		for _, elem := range prop.Blobs {
			values = append(values, fmt.Sprintf("%s=<%d bytes>", elem.Name, len(elem.Value)))
		}
	}
	return fmt.Sprintf("%s [%s] %s", target, prop.State, strings.Join(values, " "))
}
