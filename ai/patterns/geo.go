package patterns

import (
	"math"
	"sort"

	"github.com/hrygo/uncanny/internal/apperrors"
	"github.com/hrygo/uncanny/store"
)

const earthRadiusKm = 6371.0088

// GeoParams configures DBSCAN clustering.
type GeoParams struct {
	EpsilonKm float64 `json:"epsilon_km"`
	MinPoints int     `json:"min_points"`
	MinScore  float64 `json:"min_score,omitempty"`
}

// DefaultGeoParams returns the parameters used when none are supplied.
func DefaultGeoParams() GeoParams {
	return GeoParams{EpsilonKm: 50, MinPoints: 3}
}

func (p GeoParams) Validate() error {
	if p.EpsilonKm <= 0 || p.EpsilonKm > 20000 {
		return apperrors.InvalidArgument("epsilon_km must be in (0, 20000], got %v", p.EpsilonKm)
	}
	if p.MinPoints < 2 {
		return apperrors.InvalidArgument("min_points must be at least 2, got %d", p.MinPoints)
	}
	return validateMinScore(p.MinScore)
}

// Haversine returns the great-circle distance in kilometres.
func Haversine(a, b store.GeoPoint) float64 {
	lat1, lat2 := a.Lat*math.Pi/180, b.Lat*math.Pi/180
	dLat := lat2 - lat1
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// DetectGeoClusters runs DBSCAN over the located experiences.
// Experiences without a location are ignored.
func DetectGeoClusters(experiences []*store.Experience, p GeoParams) ([]*GeographicCluster, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	points := make([]*store.Experience, 0, len(experiences))
	distinct := map[store.GeoPoint]struct{}{}
	for _, e := range experiences {
		if e.Location != nil && e.Location.Valid() {
			points = append(points, e)
			distinct[*e.Location] = struct{}{}
		}
	}
	if len(distinct) < p.MinPoints {
		return []*GeographicCluster{}, nil
	}
	sort.Slice(points, func(i, j int) bool { return points[i].ID < points[j].ID })

	neighbours := func(i int) []int {
		var list []int
		for j := range points {
			if Haversine(*points[i].Location, *points[j].Location) <= p.EpsilonKm {
				list = append(list, j)
			}
		}
		return list
	}

	const unvisited, noise = 0, -1
	labels := make([]int, len(points))
	cluster := 0
	for i := range points {
		if labels[i] != unvisited {
			continue
		}
		seeds := neighbours(i)
		if len(seeds) < p.MinPoints {
			labels[i] = noise
			continue
		}
		cluster++
		labels[i] = cluster
		for k := 0; k < len(seeds); k++ {
			j := seeds[k]
			if labels[j] == noise {
				// Border point.
				labels[j] = cluster
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = cluster
			if more := neighbours(j); len(more) >= p.MinPoints {
				seeds = append(seeds, more...)
			}
		}
	}

	members := make([][]*store.Experience, cluster+1)
	noiseCount := 0
	for i, label := range labels {
		if label == noise {
			noiseCount++
			continue
		}
		members[label] = append(members[label], points[i])
	}

	// A core point whose neighbours were claimed by an earlier cluster can
	// leave an undersized group behind; its members count as noise.
	groups := make([][]*store.Experience, 0, cluster)
	for _, group := range members[1:] {
		if len(group) < p.MinPoints {
			noiseCount += len(group)
			continue
		}
		groups = append(groups, group)
	}

	clusters := make([]*GeographicCluster, 0, len(groups))
	for _, group := range groups {
		c := summarizeCluster(group, noiseCount, p.EpsilonKm)
		if c.Confidence >= p.MinScore {
			clusters = append(clusters, c)
		}
	}
	sort.SliceStable(clusters, func(i, j int) bool {
		if clusters[i].Count != clusters[j].Count {
			return clusters[i].Count > clusters[j].Count
		}
		return clusters[i].MemberIDs[0] < clusters[j].MemberIDs[0]
	})
	return clusters, nil
}

func summarizeCluster(group []*store.Experience, noise int, epsilonKm float64) *GeographicCluster {
	locations := make([]store.GeoPoint, 0, len(group))
	ids := make([]string, 0, len(group))
	for _, e := range group {
		locations = append(locations, *e.Location)
		ids = append(ids, e.ID)
	}
	centroid := SphericalCentroid(locations)
	n := float64(len(group))

	var radius float64
	for _, e := range group {
		radius = math.Max(radius, Haversine(centroid, *e.Location))
	}
	density := math.Min(1, n/(n+float64(noise)))
	compactness := clamp01(1 - radius/epsilonKm)
	sort.Strings(ids)
	return &GeographicCluster{
		Centroid:   centroid,
		MemberIDs:  ids,
		Count:      len(group),
		RadiusKm:   round(radius),
		Confidence: round(clamp01((density + compactness) / 2)),
	}
}

// SphericalCentroid averages points as unit vectors so clusters spanning the
// antimeridian get a centroid among their members.
func SphericalCentroid(points []store.GeoPoint) store.GeoPoint {
	var x, y, z float64
	for _, p := range points {
		lat, lon := p.Lat*math.Pi/180, p.Lon*math.Pi/180
		x += math.Cos(lat) * math.Cos(lon)
		y += math.Cos(lat) * math.Sin(lon)
		z += math.Sin(lat)
	}
	n := float64(len(points))
	x, y, z = x/n, y/n, z/n
	if math.Hypot(x, y) < 1e-12 && math.Abs(z) < 1e-12 {
		return store.GeoPoint{}
	}
	return store.GeoPoint{
		Lat: math.Atan2(z, math.Hypot(x, y)) * 180 / math.Pi,
		Lon: math.Atan2(y, x) * 180 / math.Pi,
	}
}

func validateMinScore(v float64) error {
	if v < 0 || v > 1 {
		return apperrors.InvalidArgument("min_score must be in [0, 1], got %v", v)
	}
	return nil
}
