package cli

import (
	"github.com/spf13/cobra"

	"elec-balance-alerts/internal/app"
)

var (
	roomsAreaID      int
	roomsApartmentID string
	roomsFloorID     string
	roomsSearch      string
)

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "Browse the campus room catalog to find query identifiers",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.RoomsOptions{
			AreaID:      roomsAreaID,
			ApartmentID: roomsApartmentID,
			FloorID:     roomsFloorID,
			Search:      roomsSearch,
		}

		return getApp().Rooms(cmd.Context(), opts)
	},
}

func init() {
	roomsCmd.Flags().IntVar(&roomsAreaID, "area", 0, "Campus area id (1=西土城, 2=沙河)")
	roomsCmd.Flags().StringVar(&roomsApartmentID, "apartment", "", "Apartment id to list floors for")
	roomsCmd.Flags().StringVar(&roomsFloorID, "floor", "", "Floor id to list rooms for")
	roomsCmd.Flags().StringVar(&roomsSearch, "search", "", "Search all areas for a room by name")
}
