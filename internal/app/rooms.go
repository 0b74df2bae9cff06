package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"elec-balance-alerts/internal/fetcher"
)

// Rooms browses the portal's area/apartment/floor/room hierarchy. With
// --search it walks the whole tree looking for a matching room name and
// prints the config stanza for each hit.
func (a *App) Rooms(ctx context.Context, opts RoomsOptions) error {
	session, err := a.newSession()
	if err != nil {
		return err
	}
	catalog := fetcher.NewCatalog(a.Config.Portal.CatalogBaseURL, session)

	if opts.Search != "" {
		return a.searchRooms(ctx, catalog, opts.Search)
	}

	switch {
	case opts.ApartmentID == "":
		apartments, err := catalog.Apartments(ctx, opts.AreaID)
		if err != nil {
			return err
		}
		return printTable("ApartmentID\tName", func(w *tabwriter.Writer) {
			for _, apt := range apartments {
				fmt.Fprintf(w, "%s\t%s\n", apt.ID, apt.Name)
			}
		})
	case opts.FloorID == "":
		floors, err := catalog.Floors(ctx, opts.AreaID, opts.ApartmentID)
		if err != nil {
			return err
		}
		return printTable("FloorID\tName", func(w *tabwriter.Writer) {
			for _, floor := range floors {
				fmt.Fprintf(w, "%s\t%s\n", floor.ID, floor.Name)
			}
		})
	default:
		rooms, err := catalog.Rooms(ctx, opts.AreaID, opts.ApartmentID, opts.FloorID)
		if err != nil {
			return err
		}
		return printTable("RoomNumber\tName", func(w *tabwriter.Writer) {
			for _, room := range rooms {
				fmt.Fprintf(w, "%s\t%s\n", room.Number, room.Name)
			}
		})
	}
}

func (a *App) searchRooms(ctx context.Context, catalog *fetcher.Catalog, query string) error {
	found := 0
	lowered := strings.ToLower(query)

	for _, area := range catalog.Areas() {
		apartments, err := catalog.Apartments(ctx, area.ID)
		if err != nil {
			return err
		}
		for _, apt := range apartments {
			floors, err := catalog.Floors(ctx, area.ID, apt.ID)
			if err != nil {
				return err
			}
			for _, floor := range floors {
				rooms, err := catalog.Rooms(ctx, area.ID, apt.ID, floor.ID)
				if err != nil {
					return err
				}
				for _, room := range rooms {
					if !strings.Contains(strings.ToLower(room.Name), lowered) {
						continue
					}
					found++
					fmt.Fprintf(os.Stdout, "%d. %s (%s / %s / %s)\n", found, room.Name, area.Name, apt.Name, floor.Name)
					fmt.Fprintf(os.Stdout, "   portal.area_id: %d\n", area.ID)
					fmt.Fprintf(os.Stdout, "   portal.apartment_id: %q\n", apt.ID)
					fmt.Fprintf(os.Stdout, "   portal.floor_id: %q\n", floor.ID)
					fmt.Fprintf(os.Stdout, "   portal.room_number: %q\n\n", room.Number)
				}
			}
		}
	}

	if found == 0 {
		fmt.Fprintf(os.Stdout, "未找到匹配的房间: %s\n", query)
	}
	return nil
}

func printTable(header string, fill func(w *tabwriter.Writer)) error {
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, header)
	fill(writer)
	return writer.Flush()
}
