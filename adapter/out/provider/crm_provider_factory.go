package provider

import (
	"fmt"

	"crm_server/core/domain"
	"crm_server/core/port/out"
)

// ProviderFactory routes a watched resource type to the adapter that can
// serve it. Folders and files go to Drive, calendars to Calendar.
type ProviderFactory struct {
	calendar *GoogleCalendarAdapter
	drive    *GoogleDriveAdapter
}

func NewProviderFactory(calendar *GoogleCalendarAdapter, drive *GoogleDriveAdapter) *ProviderFactory {
	return &ProviderFactory{
		calendar: calendar,
		drive:    drive,
	}
}

// ForResourceType returns the provider port for the given resource type.
func (f *ProviderFactory) ForResourceType(rt domain.ResourceType) (out.CalendarProviderPort, error) {
	switch rt {
	case domain.ResourceTypeCalendar:
		return f.calendar, nil
	case domain.ResourceTypeFolder, domain.ResourceTypeFile:
		return f.drive, nil
	default:
		return nil, fmt.Errorf("unsupported resource type: %s", rt)
	}
}
